package main

import (
	"fmt"

	"github.com/kbusd/kbusd/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
