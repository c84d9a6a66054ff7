package iface

import "testing"

type fakeCommander struct {
	calls [][]string
	out   map[string][]byte
	err   map[string]error
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{out: map[string][]byte{}, err: map[string]error{}}
}

func (f *fakeCommander) Run(name string, args ...string) ([]byte, error) {
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	key := name
	for _, a := range args {
		key += " " + a
	}
	return f.out[key], f.err[key]
}

func TestNetmaskToPrefixLen(t *testing.T) {
	cases := map[string]int{
		"255.255.255.0": 24,
		"255.255.0.0":   16,
		"255.0.0.0":     8,
		"255.255.255.255": 32,
	}
	for mask, want := range cases {
		if got := netmaskToPrefixLen(mask); got != want {
			t.Errorf("netmaskToPrefixLen(%q) = %d, want %d", mask, got, want)
		}
	}
}

func TestCidr(t *testing.T) {
	if got := cidr("10.8.8.1", "255.255.255.0"); got != "10.8.8.1/24" {
		t.Errorf("cidr() = %q, want %q", got, "10.8.8.1/24")
	}
}

func TestParseDefaultDevice(t *testing.T) {
	out := []byte("default via 192.168.1.1 dev eth0 proto dhcp\n10.0.0.0/24 dev eth0 scope link\n")
	dev, err := parseDefaultDevice(out)
	if err != nil {
		t.Fatalf("parseDefaultDevice: %v", err)
	}
	if dev != "eth0" {
		t.Errorf("dev = %q, want eth0", dev)
	}
}

func TestRouteGetDefaultUsesCommander(t *testing.T) {
	cmd := newFakeCommander()
	cmd.out["ip route"] = []byte("default via 10.0.0.1 dev wlan0\n")
	dev, err := RouteGetDefault(cmd)
	if err != nil {
		t.Fatalf("RouteGetDefault: %v", err)
	}
	if dev != "wlan0" {
		t.Errorf("dev = %q, want wlan0", dev)
	}
}

func TestFindIPCmdFallsBackToPathWhenNoCandidateExists(t *testing.T) {
	old := ipCandidates
	ipCandidates = []string{"/no/such/path/ip"}
	defer func() { ipCandidates = old }()

	if got := findIPCmd(); got != "ip" {
		t.Errorf("findIPCmd() = %q, want %q", got, "ip")
	}
}

func TestFindIPCmdPrefersExistingCandidate(t *testing.T) {
	old := ipCandidates
	ipCandidates = []string{"/no/such/path/ip", "/bin/sh"}
	defer func() { ipCandidates = old }()

	if got := findIPCmd(); got != "/bin/sh" {
		t.Errorf("findIPCmd() = %q, want %q", got, "/bin/sh")
	}
}

func TestExecCommanderRunResolvesIPCandidate(t *testing.T) {
	old := ipCandidates
	ipCandidates = []string{"/bin/sh"}
	defer func() { ipCandidates = old }()

	out, err := (ExecCommander{}).Run("ip", "-c", "exit 0")
	if err != nil {
		t.Fatalf("Run: %v, output: %s", err, out)
	}
}
