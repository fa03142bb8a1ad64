package main

import "github.com/lemonhq/lemon/cmd"

func main() {
	cmd.Execute()
}
