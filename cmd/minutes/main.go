// Command minutes drafts, reviews and renders meeting minutes as resumable
// workflow processes, either one-shot from the command line or behind an
// HTTP API.
package main

func main() {
	Execute()
}
