package main

import "github.com/joshcarp/theseus"

func main() {
	theseus.InitializeCommand()
}
