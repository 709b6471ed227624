package main

import "github.com/example/facecheck/cmd"

func main() {
	cmd.Execute()
}
