package socketcan

import (
	"errors"
	"net"
	"reflect"
	"testing"
)

func withInterfaces(t *testing.T, ifs []net.Interface) {
	t.Helper()
	interfaces = func() ([]net.Interface, error) { return ifs, nil }
	t.Cleanup(func() { interfaces = net.Interfaces })
}

func TestListInterfaces(t *testing.T) {
	withInterfaces(t, []net.Interface{
		{Name: "lo", Flags: net.FlagUp},
		{Name: "vcan1"},
		{Name: "can0", Flags: net.FlagUp},
		{Name: "eth0", Flags: net.FlagUp},
		{Name: "rcan0"},
		{Name: "vcan0", Flags: net.FlagUp},
	})
	cases := []struct {
		name string
		fn   func() ([]string, error)
		want []string
	}{
		{"all", List, []string{"can0", "rcan0", "vcan0", "vcan1"}},
		{"physical", ListPhysical, []string{"can0", "rcan0"}},
		{"virtual", ListVirtual, []string{"vcan0", "vcan1"}},
	}
	for _, c := range cases {
		got, err := c.fn()
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("%s: got %v want %v", c.name, got, c.want)
		}
	}
}

func TestIsUp(t *testing.T) {
	withInterfaces(t, []net.Interface{{Name: "vcan0", Flags: net.FlagUp}, {Name: "can0"}})
	if up, err := IsUp("vcan0"); err != nil || !up {
		t.Fatalf("vcan0: up=%v err=%v", up, err)
	}
	if up, err := IsUp("can0"); err != nil || up {
		t.Fatalf("can0: up=%v err=%v", up, err)
	}
	if _, err := IsUp("can9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValidIfaceName(t *testing.T) {
	for name, want := range map[string]bool{
		"vcan0":            true,
		"can-bus_1":        true,
		"":                 false,
		"abcdefghijklmnop": false,
		"a/b":              false,
		"a b":              false,
	} {
		if got := validIfaceName(name); got != want {
			t.Fatalf("validIfaceName(%q)=%v want %v", name, got, want)
		}
	}
}
