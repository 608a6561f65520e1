package main

import (
	"fmt"
	"os"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

const (
	exitOK              = 0
	exitInvalidInput    = 2
	exitPolicyBlocked   = 3
	exitVerifyFailed    = 4
	exitInternalFailure = 5
)

func main() {
	os.Exit(run(os.Args))
}

func run(arguments []string) int {
	if len(arguments) < 2 {
		fmt.Println("warden", version)
		return exitOK
	}
	if arguments[1] == "--explain" {
		return writeExplain("Warden evaluates agent permissions, gates, and content safety against a project policy, and keeps a tamper-evident audit log of everything the agents did.")
	}

	switch arguments[1] {
	case "authorize":
		return runAuthorize(arguments[2:])
	case "gates":
		return runGates(arguments[2:])
	case "scan":
		return runScan(arguments[2:])
	case "redact":
		return runRedact(arguments[2:])
	case "validate":
		return runValidate(arguments[2:])
	case "classify":
		return runClassify(arguments[2:])
	case "policy":
		return runPolicy(arguments[2:])
	case "run":
		return runRunCommand(arguments[2:])
	case "report":
		return runReport(arguments[2:])
	case "export":
		return runExport(arguments[2:])
	case "keys":
		return runKeys(arguments[2:])
	case "doctor":
		return runDoctor(arguments[2:])
	case "version", "--version", "-v":
		if hasExplainFlag(arguments[2:]) {
			return writeExplain("Print the CLI version.")
		}
		fmt.Println("warden", version)
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  warden authorize tool|merge|deploy|branch ...")
	fmt.Println("  warden gates list|eval ...")
	fmt.Println("  warden scan [--text <text>|--in <file>|-]")
	fmt.Println("  warden redact [--text <text>|--in <file>|-]")
	fmt.Println("  warden validate tool-call|output ...")
	fmt.Println("  warden classify --provider <name> --declared <tier> ...")
	fmt.Println("  warden policy init|show|set|digest|test ...")
	fmt.Println("  warden run start|record|complete|show|events|list ...")
	fmt.Println("  warden report --run <id>")
	fmt.Println("  warden export run|verify ...")
	fmt.Println("  warden keys init|verify ...")
	fmt.Println("  warden doctor")
	fmt.Println("  warden version")
	fmt.Println("Run any command with --explain for a one-line description, --json for machine output.")
}
