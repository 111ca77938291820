package main

import "github.com/drsoft-oss/proxyfleet/cmd"

func main() {
	cmd.Execute()
}
