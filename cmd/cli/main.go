package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"homegate/cmd/cli/command"
)

// 打印欢迎信息
func printWelcomeMessage() {
	fmt.Println("Welcome to the homegate CLI REPL! Type 'exit' to quit.")
	fmt.Println("Type 'help' to see the list of available commands.")
}

// 打印帮助信息
func printHelp() {
	fmt.Println("Available commands:")
	fmt.Println("  rules check [dir]                    Check rule files without loading them.")
	fmt.Println("  config show                          Print the merged configuration.")
	fmt.Println("  seed check <file>                    Validate a registry seed file.")
	fmt.Println("  list <plugins|protocols|scripts>     List the built-in kinds.")
	fmt.Println("  help                                 Show this help message.")
	fmt.Println("  exit                                 Exit the REPL.")
}

func main() {
	// 带参数时作为普通命令行程序运行
	if len(os.Args) > 1 {
		command.Execute()
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	printWelcomeMessage()

	// 进入 REPL 循环
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())

		switch strings.ToLower(input) {
		case "exit":
			fmt.Println("Exiting homegate CLI...")
			return
		case "help":
			printHelp()
			continue
		case "":
			continue
		}

		// 每次都新建根命令, 避免上一次执行的 flag 残留
		rootCmd := command.NewRootCommand()
		rootCmd.SetArgs(strings.Fields(input))
		if err := rootCmd.Execute(); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
	}
}
