// Package main 是 edgejs 命令行工具的入口点
// edgejs 在沙箱化的 JavaScript 执行上下文中运行函数包，
// 既可以单次执行本地函数（run），也可以作为长期运行的调用服务（serve）
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/oriys/edgejs/cmd/edgejs/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		var exit *cmd.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
