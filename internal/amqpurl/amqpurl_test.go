package amqpurl

import "testing"

func TestParseValid(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want URL
	}{
		{
			name: "ipv6 with user and password",
			in:   "amqp://u:p@[fe80::1]:5672/q",
			want: URL{Scheme: "amqp", User: "u", Password: "p", Host: "fe80::1", Port: 5672, Address: "/q"},
		},
		{
			name: "plain host, default port, no auth",
			in:   "amqp://127.0.0.1/collectd/telemetry",
			want: URL{Scheme: "amqp", Host: "127.0.0.1", Port: 5672, Address: "/collectd/telemetry"},
		},
		{
			name: "amqps default port",
			in:   "amqps://broker.example.com/q",
			want: URL{Scheme: "amqps", Host: "broker.example.com", Port: 5671, Address: "/q"},
		},
		{
			name: "user without password",
			in:   "amqp://u@host:1234/a/b",
			want: URL{Scheme: "amqp", User: "u", Host: "host", Port: 1234, Address: "/a/b"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Parse(c.in)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", c.in, err)
			}
			if *got != c.want {
				t.Fatalf("Parse(%q) = %+v, want %+v", c.in, *got, c.want)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"amqp://u:p@[XXX.666/64]:5666/x", // slash inside an unterminated IPv6 literal
		"not-a-url",                      // missing scheme
		"ftp://host/q",                   // unrecognized scheme
		"amqp://host",                    // missing address
		"amqp:///q",                      // missing host
		"amqp://host:notaport/q",         // non-numeric port
		"amqp://host:99999/q",            // port out of range
	}
	for _, in := range cases {
		if _, err := Parse(in); err == nil {
			t.Fatalf("Parse(%q) should have failed", in)
		}
	}
}
