package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) > 1 {
		cmd := os.Args[1]
		switch cmd {
		case "train":
			if err := RunTrainCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "embed":
			if err := RunEmbedCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "index":
			if err := RunIndexCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "search":
			if err := RunSearchCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "help", "-h", "--help":
			printUsage()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
			printUsage()
			os.Exit(1)
		}
	}

	printUsage()
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  simcse [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train     Fine-tune sentence embeddings with a contrastive objective")
	fmt.Println("  embed     Print embeddings for sentences read from stdin")
	fmt.Println("  index     Embed a sentence file and store the vectors in PostgreSQL")
	fmt.Println("  search    Find stored sentences similar to a query")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Run 'simcse [command] -h' for command-specific options.")
}
