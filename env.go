package stepsdk

import (
	"net/url"
	"os"
)

// IsDev returns whether the SDK should run in dev mode, which skips
// signature verification and points default endpoints at a local
// orchestrator. Dev mode is enabled by setting INNGEST_DEV to any
// non-empty value.
func IsDev() bool {
	return os.Getenv("INNGEST_DEV") != ""
}

// DevServerURL returns the URL of the dev server. If INNGEST_DEV holds
// a valid URL (with a host), that URL is used; otherwise the default
// local dev server address is returned.
func DevServerURL() string {
	if dev := os.Getenv("INNGEST_DEV"); dev != "" {
		if u, err := url.Parse(dev); err == nil && u.Host != "" {
			return dev
		}
	}
	return devServerOrigin
}
