package main

import (
	"fmt"

	"github.com/yollayah/conductor/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
