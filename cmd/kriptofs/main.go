// Command kriptofs mounts an in-memory, encrypting FUSE filesystem at a
// given mount point.
package main

func main() {
	Execute()
}
