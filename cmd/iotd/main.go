package main

import "github.com/kradalby/iotd"

func main() {
	iotd.Main()
}
