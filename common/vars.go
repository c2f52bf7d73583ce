package common

// Version is set at build time with -ldflags "-X github.com/ruteri/device-keyvault/common.Version=..."
var Version = "dev"
