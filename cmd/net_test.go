package main

import "testing"

func TestListenAddress(t *testing.T) {
	cases := []struct {
		in, want string
		err      bool
	}{
		{"", ":5000", false},
		{":8080", ":8080", false},
		{"8080", ":8080", false},
		{"127.0.0.1:9000", "127.0.0.1:9000", false},
		{"localhost", "localhost:5000", false},
		{"[::1]:80", "[::1]:80", false},
		{"host:port", "", true},
		{"127.0.0.1:70000", "", true},
		{"bad host:80", "", true},
	}
	for _, c := range cases {
		got, err := listenAddress(c.in, defaultHTTPPort)
		if c.err {
			if err == nil {
				t.Errorf("listenAddress(%q) should fail, got %q", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("listenAddress(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("listenAddress(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
