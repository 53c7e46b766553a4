// Loads the daemon configuration file.
//
// Configuration is optional: when no file exists at the given path the
// defaults are returned. Values set by the file can still be overridden by
// CLI flags, which are applied by the caller after loading.
//
// Example config.yaml:
//
//	socket: /run/user/1000/apexd/apexd.sock
//	data_dir: /var/lib/apexd
//	workers: 4
//	queue_size: 64
//	containerd:
//	  address: /run/containerd/containerd.sock
//	  namespace: apexd
//	engines: [native, pyenv, deb, container]
package config
