package main

import "github.com/modelpool/modelpool/cmd"

func main() {
	cmd.Execute()
}
