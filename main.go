package main

import "github.com/julienar/ixcharged/cmd"

func main() {
	cmd.Execute()
}
