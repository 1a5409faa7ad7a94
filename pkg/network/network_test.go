package network

import "testing"

func TestIpOnly(t *testing.T) {
	cases := map[string]string{
		"10.42.0.1/16": "10.42.0.1",
		"10.42.0.1":    "10.42.0.1",
	}
	for in, want := range cases {
		if got := ipOnly(in); got != want {
			t.Errorf("ipOnly(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestVethNames(t *testing.T) {
	host, guest := vethNames("abcdef0123456789")
	if host != "vhabcdef012345" {
		t.Errorf("host veth = %q", host)
	}
	if guest != "vcabcdef012345" {
		t.Errorf("guest veth = %q", guest)
	}
	if len(host) > 15 || len(guest) > 15 {
		t.Errorf("veth names exceed kernel IFNAMSIZ: %q %q", host, guest)
	}
}

func TestReplaceVerb(t *testing.T) {
	rule := []string{"-t", "nat", "POSTROUTING", "-j", "MASQUERADE"}
	got := replaceVerb(rule, "-A")
	want := []string{"-t", "nat", "-A", "POSTROUTING", "-j", "MASQUERADE"}
	if len(got) != len(want) {
		t.Fatalf("replaceVerb length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("replaceVerb[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	plain := []string{"FORWARD", "-i", "quilt0", "-j", "ACCEPT"}
	got2 := replaceVerb(plain, "-D")
	if got2[0] != "-D" || got2[1] != "FORWARD" {
		t.Errorf("replaceVerb(plain) = %v", got2)
	}
}

func TestCountReceived(t *testing.T) {
	out := "3 packets transmitted, 3 received, 0% packet loss, time 2003ms"
	if n := countReceived(out); n != 3 {
		t.Errorf("countReceived = %d, want 3", n)
	}
	if n := countReceived("garbage"); n != 0 {
		t.Errorf("countReceived(garbage) = %d, want 0", n)
	}
}
