package app

import "fmt"

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は署名APIサーバーを起動する。
	CommandServe Command = "serve"
	// CommandWorker は期限切れスイープ・リマインド・通知リレー・イベント掃除を常駐で実行する。
	CommandWorker Command = "worker"
	// CommandSweep は期限切れスイープを1回だけ実行して終了する。cronやKubernetes Job向け。
	CommandSweep Command = "sweep"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの /health を確認する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandSweep):       CommandSweep,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。未知のサブコマンドはエラーとし、
// 打ち間違いでサーバーが起動してしまうことを防ぐ。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return "", fmt.Errorf("unknown command %q (want serve, worker, sweep, migrate or healthcheck)", args[0])
	}
	return cmd, nil
}
