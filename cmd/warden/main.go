// Package main implements the warden CLI.
package main

func main() {
	Execute()
}
