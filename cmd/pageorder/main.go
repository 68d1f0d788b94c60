package main

import "github.com/MeKo-Tech/pageorder/cmd/pageorder/cmd"

func main() {
	cmd.Execute()
}
