package constant

// Version is overwritten at build time by -ldflags "-X".
var Version = "dev"
