// Command steroids drives the automated AI task-execution orchestrator:
// selecting, leasing, and running coder/reviewer invocations against a
// project's task queue, plus the operator tooling (migrate, lock, doctor)
// around it.
package main

func main() {
	Execute()
}
