// mammutfs federates user home directories spread across several
// storage volumes into a single per-user mount, enforcing
// anonymisation and publication rules between its modules.
package main

import "github.com/stustanet/mammutfs/cmd"

func main() {
	cmd.Main()
}
