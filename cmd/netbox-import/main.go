// netbox-import pulls devices, virtual machines and IP addresses from NetBox
// and turns them into flat rows for a configuration system.
package main

func main() {
	Execute()
}
