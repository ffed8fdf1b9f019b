package main

import "github.com/sharedcode/dtx/cmd"

func main() {
	cmd.Execute()
}
