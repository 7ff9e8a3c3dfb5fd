package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gofhirpath/engine/pkg/fhirpath"
)

var version = "dev"

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func execute() error {
	rootCmd := newRootCmd()
	return rootCmd.Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gofhir",
		Short: "GoFHIR - FHIR Toolkit for Go",
		Long: `GoFHIR is a FHIRPath expression engine for Go.

It provides:
  - FHIRPath expression parsing and evaluation
  - Reference resolution against a Bundle's entries
  - Local ValueSet membership checks for memberOf()

For more information, visit: https://github.com/gofhirpath/engine`,
	}

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newMemberOfCmd())
	rootCmd.AddCommand(newFHIRPathCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("gofhir version %s\n", version)
		},
	}
}

func newMemberOfCmd() *cobra.Command {
	var system, version string

	cmd := &cobra.Command{
		Use:   "memberof [bundle-file] [code] [valueset-url]",
		Short: "Check ValueSet membership against a local CodeSystem/ValueSet bundle",
		Long: `Loads CodeSystem and ValueSet resources from a FHIR Bundle and reports
whether the given code belongs to the named ValueSet, the same lookup
memberOf() performs when evaluated with a LocalValueSetIndex.`,
		Args: cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			bundleData, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read file %s: %w", args[0], err)
			}

			idx := fhirpath.NewLocalValueSetIndex()
			if err := idx.LoadBundle(bundleData); err != nil {
				return fmt.Errorf("failed to load bundle: %w", err)
			}

			member, err := idx.MemberOf(context.Background(), system, args[1], version, args[2])
			if err != nil {
				return fmt.Errorf("membership check failed: %w", err)
			}

			fmt.Println(member)
			return nil
		},
	}

	cmd.Flags().StringVar(&system, "system", "", "code system URL for the code being checked")
	cmd.Flags().StringVar(&version, "version", "", "ValueSet version, if the bundle's ValueSet is versioned")

	return cmd
}

func newFHIRPathCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "fhirpath [expression] [file]",
		Short: "Evaluate a FHIRPath expression",
		Long: `Evaluate a FHIRPath expression against a FHIR resource.

Examples:
  gofhir fhirpath "Patient.name.given" patient.json
  gofhir fhirpath "Observation.value.ofType(Quantity).value" observation.json
  gofhir fhirpath "Bundle.entry.resource.ofType(Patient)" bundle.json --output json`,
		Args: cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			expression := args[0]
			filePath := args[1]

			// Read the FHIR resource file
			resourceData, err := os.ReadFile(filePath)
			if err != nil {
				return fmt.Errorf("failed to read file %s: %w", filePath, err)
			}

			// Compile the expression (with caching for repeated use)
			compiled, err := fhirpath.Compile(expression)
			if err != nil {
				return fmt.Errorf("invalid FHIRPath expression: %w", err)
			}

			// Evaluate the expression
			result, err := compiled.Evaluate(resourceData)
			if err != nil {
				return fmt.Errorf("evaluation error: %w", err)
			}

			// Output the result
			switch outputFormat {
			case "json":
				return outputJSON(result)
			default:
				return outputText(result)
			}
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format (text, json)")

	return cmd
}

func outputText(result fhirpath.Collection) error {
	if result.Empty() {
		fmt.Println("(empty)")
		return nil
	}

	for i, value := range result {
		if len(result) > 1 {
			fmt.Printf("[%d] ", i)
		}
		fmt.Println(value.String())
	}
	return nil
}

func outputJSON(result fhirpath.Collection) error {
	if result.Empty() {
		fmt.Println("[]")
		return nil
	}

	// Convert to JSON-serializable format
	output := make([]interface{}, len(result))
	for i, value := range result {
		output[i] = valueToInterface(value)
	}

	jsonBytes, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	fmt.Println(string(jsonBytes))
	return nil
}

func valueToInterface(v fhirpath.Value) interface{} {
	switch val := v.(type) {
	case interface{ Bool() bool }:
		return val.Bool()
	case interface{ Value() int64 }:
		return val.Value()
	case interface{ Value() string }:
		return val.Value()
	default:
		return v.String()
	}
}

