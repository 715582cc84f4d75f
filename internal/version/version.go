package version

// Version is the comfytest release version. Overridden at build time via
// -ldflags "-X github.com/comfy-test/comfytest/internal/version.Version=...".
var Version = "0.3.0"
