package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/nebula-ide/warden/core/doctor"
	"github.com/nebula-ide/warden/core/projectconfig"
	"github.com/nebula-ide/warden/core/sign"
)

type doctorOutput struct {
	OK     bool           `json:"ok"`
	Result *doctor.Result `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func runDoctor(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Check the local setup: workdir and state database, the embedded policy schema, export and trail paths, and the signing key configuration.")
	}
	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var workDir string
	var statePath string
	var exportDir string
	var trailPath string
	var signKeyPath string
	var signKeyEnv string
	var publicKeyPath string
	var publicKeyEnv string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&workDir, "workdir", ".", "workspace directory to check")
	flagSet.StringVar(&statePath, "state", "", "path to the state database")
	flagSet.StringVar(&exportDir, "export-dir", "", "export directory to check")
	flagSet.StringVar(&trailPath, "trail", "", "trail file to check")
	flagSet.StringVar(&signKeyPath, "sign-key", "", "path to the base64 private key")
	flagSet.StringVar(&signKeyEnv, "sign-key-env", "", "environment variable holding the private key")
	flagSet.StringVar(&publicKeyPath, "public-key", "", "path to the base64 public key")
	flagSet.StringVar(&publicKeyEnv, "public-key-env", "", "environment variable holding the public key")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeDoctorOutput(jsonOutput, doctorOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printDoctorUsage()
		return exitOK
	}

	if !disableConfig {
		path := configPath
		if path == "" {
			path = projectconfig.DefaultPath
		}
		configuration, err := projectconfig.Load(path, isDefaultProjectConfigPath(configPath))
		if err != nil {
			return writeDoctorOutput(jsonOutput, doctorOutput{Error: err.Error()}, exitInvalidInput)
		}
		if statePath == "" {
			statePath = configuration.StateDB
		}
		if exportDir == "" {
			exportDir = configuration.Export.Dir
		}
		if trailPath == "" {
			trailPath = configuration.Trail
		}
	}

	result := doctor.Run(doctor.Options{
		WorkDir:         workDir,
		StateDB:         statePath,
		ExportDir:       exportDir,
		TrailPath:       trailPath,
		ProducerVersion: version,
		KeyConfig: sign.KeyConfig{
			PrivateKeyPath: signKeyPath,
			PrivateKeyEnv:  signKeyEnv,
			PublicKeyPath:  publicKeyPath,
			PublicKeyEnv:   publicKeyEnv,
		},
	})

	exitCode := exitOK
	if result.Status == "fail" {
		exitCode = exitInternalFailure
	}
	return writeDoctorOutput(jsonOutput, doctorOutput{OK: result.Status != "fail", Result: &result}, exitCode)
}

func writeDoctorOutput(jsonOutput bool, output doctorOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Printf("doctor error: %s\n", output.Error)
		return exitCode
	}
	result := output.Result
	fmt.Println(result.Summary)
	for _, check := range result.Checks {
		fmt.Printf("  [%s] %s: %s\n", check.Status, check.Name, check.Message)
	}
	for _, fix := range result.FixCommands {
		fmt.Printf("  fix: %s\n", fix)
	}
	return exitCode
}

func printDoctorUsage() {
	fmt.Println("Usage:")
	fmt.Println("  warden doctor [--workdir <dir>] [--state <db>] [--export-dir <dir>] [--trail <file>] [--json]")
}
