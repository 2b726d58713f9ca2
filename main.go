package main

import "github.com/audiolibrelab/voicenotes/cmd"

func main() {
	cmd.Execute()
}
