package main

import "github.com/ValentinKolb/dVM/cmd"

func main() {
	cmd.Execute()
}
