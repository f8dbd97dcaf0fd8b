// Package cli serves a line-oriented admin socket for inspecting and
// poking a running instance.
//
// Each connection sends one line, which may hold several commands
// separated by semicolons. The session executes them in order, streams
// their output back and closes the connection, so reading to EOF always
// yields the full response:
//
//	$ echo "show pools; show tasks" | socat - TCP:127.0.0.1:9999
//
// Sessions run as tasks on the same [sched.Loop] as the rest of the
// process, which lets commands touch loop-owned state without locking.
// Output goes through a fixed pool-backed buffer; a [Runner] that fills
// it parks and resumes once the writer drained, so a slow admin client
// cannot balloon memory.
//
// Register commands before Run:
//
//	admin := cli.New(loop, pools, cli.WithAddr("unix", "/run/admin.sock"))
//	admin.Register(cli.PoolsCommand(pools))
//	admin.Register(cli.TasksCommand(loop))
//	err := admin.Run(ctx)
package cli
