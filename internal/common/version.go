package common

// version is provided by `go build`, see Makefile (same for clcache and clcache-server)
var version string

func GetVersion() string {
	if len(version) == 0 {
		return "4.2.0-go"
	}
	return version
}
