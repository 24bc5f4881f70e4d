// 通知サービスのエントリポイント。
// リスト・フォロー・投稿審査などの出来事から通知を生成し、SSEとWebSocketでリアルタイムに配信する。
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "エラー:", err)
		os.Exit(1)
	}
}
