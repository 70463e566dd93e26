package main

import (
	"os"

	"github.com/kebairia/hotbackup/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
