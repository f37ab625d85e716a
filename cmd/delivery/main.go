package main

import "github.com/YinLenRed/xiaozhiplus-sub000/services/delivery/cli"

func main() {
	cli.Execute()
}
