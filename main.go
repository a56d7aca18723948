package main

import "github.com/infomdss/knrb-crawler/cmd"

func main() {
	cmd.Execute()
}
