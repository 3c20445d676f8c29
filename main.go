package main

import "location-share-client/cmd"

func main() {
	cmd.Run()
}
