// Command mfsolve runs two-fidelity sequential solves from the command line.
package main

func main() {
	Execute()
}
