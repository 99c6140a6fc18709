// Command rayrabbit runs the rayrabbit message bus.
package main

func main() {
	Execute()
}
