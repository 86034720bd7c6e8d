package main

import "github.com/srchd/srchd/cmd"

func main() {
	cmd.Execute()
}
