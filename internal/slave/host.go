package slave

import "runtime"

// host holds the properties detected from the running system.
type host struct {
	name      string
	machine   string
	processor string
	os        string
	family    string
	version   string
}

func family() string {
	if runtime.GOOS == "windows" {
		return "nt"
	}
	return "posix"
}
