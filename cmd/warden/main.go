package main

// ============================================================================
// 職責說明：
// 1. warden 入口點：master、worker process 與 client action 共用同一個 binary
// 2. 匯入 demo 套件註冊預設 application / handler
// 3. 頂層 panic recovery，回傳 exit code
// ============================================================================

import (
	"context"
	"fmt"
	"os"

	"github.com/ChuLiYu/warden/internal/cli"
	_ "github.com/ChuLiYu/warden/internal/demo"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
