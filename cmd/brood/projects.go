package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"brood/internal/project"
)

func newProjectsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List registered projects and their pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			repo, err := project.NewRepository(cfg.ProjectsPath)
			if err != nil {
				return err
			}

			projects := repo.List()
			if len(projects) == 0 {
				fmt.Println("no projects registered")
				return nil
			}

			for _, p := range projects {
				fmt.Printf("%-30s %-22s", p.Name, statusColor(p.Status).Sprint(p.Status))
				if p.Verification.Status != "" && p.Verification.Status != project.VerificationNotStarted {
					fmt.Printf(" verification=%s", p.Verification.Status)
				}
				if p.Imported {
					fmt.Print(" (imported)")
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func statusColor(status project.Status) *color.Color {
	switch status {
	case project.StatusCompleted, project.StatusVerified:
		return color.New(color.FgGreen)
	case project.StatusFailed:
		return color.New(color.FgRed)
	case project.StatusInProgress, project.StatusAwaitingVerification:
		return color.New(color.FgYellow)
	case project.StatusPrototype:
		return color.New(color.FgWhite)
	default:
		return color.New(color.FgCyan)
	}
}
