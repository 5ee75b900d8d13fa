package main

import "tao-dividends/internal/cli"

func main() {
	cli.Execute()
}
