package version

// Version is the current version of the aivent binary.
// This value can be overridden at build time using:
//
//	go build -ldflags="-X 'github.com/KR7-gen/ai-vent-app/internal/version.Version=v1.0.0'"
var Version = "dev"
