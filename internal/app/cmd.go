package app

import (
	"fmt"
	"strings"
)

// Command はcivicmailのサブコマンド。
type Command string

const (
	// CommandServe はAPIサーバーを起動する。引数なしの既定。
	CommandServe Command = "serve"
	// CommandWorker はpendingの送信ジョブと保持期間クリーンアップを処理するワーカーを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はマイグレーションを実行する。続く引数でup/downを指定できる。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は稼働中のAPIサーバーの/healthを確認する（distroless用）。
	CommandHealthcheck Command = "healthcheck"
)

// commands は受け付けるサブコマンドの一覧（usage表示の順序）。
var commands = []Command{CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。
// 引数がなければCommandServeを返す。未知のサブコマンドは打ち間違いで
// 別のモードが起動しないようエラーにする。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	name := strings.TrimSpace(args[0])
	for _, c := range commands {
		if string(c) == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown command %q (usage: civicmail [%s])", name, usage())
}

func usage() string {
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = string(c)
	}
	return strings.Join(names, "|")
}
