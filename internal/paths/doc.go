// Provides platform-appropriate paths for the daemon.
//
// All paths follow XDG conventions on Linux and platform-native conventions
// on macOS and Windows. The daemon name "apexd" is used as the subdirectory
// under each base path. Runtime files (socket, PID) live under the XDG
// runtime dir; durable state (metadata database, build workspaces, exported
// artifacts) lives under the XDG data home.
package paths
