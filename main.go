package main

import "github.com/ValentinKolb/dTS/cmd"

func main() {
	cmd.Execute()
}
