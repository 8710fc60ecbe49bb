package main

import (
	"github.com/KR7-gen/ai-vent-app/cmd"
	"github.com/KR7-gen/ai-vent-app/internal/logging"
)

func main() {
	logging.Init()
	cmd.Execute()
}
