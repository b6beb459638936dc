package socketcan

import (
	"fmt"
	"net"
	"sort"
	"strings"
)

// interfaces is a hook for tests.
var interfaces = net.Interfaces

// List returns the names of all CAN interfaces, physical and virtual.
func List() ([]string, error) {
	return listPrefix("can", "rcan", "vcan")
}

// ListPhysical returns the names of physical CAN interfaces (can*, rcan*).
func ListPhysical() ([]string, error) { return listPrefix("can", "rcan") }

// ListVirtual returns the names of virtual CAN interfaces (vcan*).
func ListVirtual() ([]string, error) { return listPrefix("vcan") }

func listPrefix(prefixes ...string) ([]string, error) {
	ifs, err := interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	var out []string
	for _, ifi := range ifs {
		for _, p := range prefixes {
			if strings.HasPrefix(ifi.Name, p) {
				out = append(out, ifi.Name)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// IsUp reports whether the named interface is administratively up.
func IsUp(name string) (bool, error) {
	ifs, err := interfaces()
	if err != nil {
		return false, fmt.Errorf("list interfaces: %w", err)
	}
	for _, ifi := range ifs {
		if ifi.Name == name {
			return ifi.Flags&net.FlagUp != 0, nil
		}
	}
	return false, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// maxIfaceName is IFNAMSIZ minus the terminating NUL.
const maxIfaceName = 15

func validIfaceName(name string) bool {
	if name == "" || len(name) > maxIfaceName {
		return false
	}
	return !strings.ContainsAny(name, "/\x00 \t\n:")
}
