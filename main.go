package main

import "github.com/andresmejia3/maskscrub/cmd"

func main() {
	cmd.Execute()
}
