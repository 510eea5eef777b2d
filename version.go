package pixstream

// Version is overridden at build time with -ldflags "-X github.com/kapetan-io/pixstream.Version=..."
var Version = "dev-build"
