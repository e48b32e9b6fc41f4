package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/refined-element/lightning-enable-mcp/internal/budget"
	"github.com/refined-element/lightning-enable-mcp/internal/config"
	"github.com/refined-element/lightning-enable-mcp/internal/database"
	"github.com/refined-element/lightning-enable-mcp/internal/ipc"
	"github.com/refined-element/lightning-enable-mcp/internal/keys"
	"github.com/refined-element/lightning-enable-mcp/internal/logger"
	"github.com/refined-element/lightning-enable-mcp/internal/price"
)

var cfg *config.Store

var rootCmd = &cobra.Command{
	Use:   "lightning-enable",
	Short: "Lightning-paid HTTP client",
	Long: `An HTTP client that pays Lightning invoices to access 402-gated
resources, with a tiered budget engine and NWC, Strike and OpenNode
wallet backends.`,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(payInvoiceCmd)
	rootCmd.AddCommand(payChallengeCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sessionResetCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(keygenCmd)
}

func initConfig() {
	if cfg != nil {
		return
	}

	// Credentials may live in a .env next to the binary.
	_ = godotenv.Load()

	var err error
	cfg, err = config.Load()
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	if err := logger.Init(cfg.Service().LogFile); err != nil {
		log.Printf("Error initializing logger: %s", err.Error())
	}
}

func main() {
	initConfig()
	defer logger.Cleanup()

	if len(os.Args) > 1 {
		// CLI mode
		if err := rootCmd.Execute(); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	} else {
		// Interactive mode
		interactiveMode()
	}
}

func interactiveMode() {
	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Println("\nLightning Enable")
		fmt.Println("1. Budget status")
		fmt.Println("2. Wallet balance")
		fmt.Println("3. Pay an invoice")
		fmt.Println("4. Fetch a paid URL")
		fmt.Println("5. Generate Nostr keys")
		fmt.Println("6. Exit")
		fmt.Print("\nEnter your choice (1, 2, 3, 4, 5, or 6): ")
		choice, _ := reader.ReadString('\n')
		choice = strings.TrimSpace(choice)

		switch choice {
		case "1":
			if err := printBudgetStatus(); err != nil {
				log.Printf("Error getting budget status: %s", err)
			}
		case "2":
			if err := printBalance(); err != nil {
				log.Printf("Error getting wallet balance: %s", err)
			}
		case "3":
			fmt.Print("Enter BOLT11 invoice: ")
			invoice, _ := reader.ReadString('\n')
			invoice = strings.TrimSpace(invoice)
			if invoice == "" {
				fmt.Println("No invoice entered.")
				continue
			}
			if err := payInvoiceInteractive(reader, invoice); err != nil {
				log.Printf("Error paying invoice: %s", err)
			}
		case "4":
			fmt.Print("Enter URL: ")
			url, _ := reader.ReadString('\n')
			url = strings.TrimSpace(url)
			if url == "" {
				fmt.Println("No URL entered.")
				continue
			}
			if err := fetchInteractive(reader, url); err != nil {
				log.Printf("Error fetching URL: %s", err)
			}
		case "5":
			if err := printNewIdentity(); err != nil {
				log.Printf("Error generating keys: %s", err)
			}
		case "6":
			fmt.Println("Exiting program. Goodbye!")
			return
		default:
			fmt.Println("Invalid choice. Please try again.")
		}
	}
}

// sendDaemonCommand asks a running daemon over the local socket. The second
// return value reports whether a daemon answered at all.
func sendDaemonCommand(command string, args []string) (interface{}, bool, error) {
	client, err := ipc.NewClient()
	if err != nil {
		return nil, false, err
	}
	defer client.Close()

	result, err := client.SendCommand(command, args)
	if err != nil {
		return nil, true, err
	}
	return result, true, nil
}

func printBudgetStatus() error {
	if result, reached, err := sendDaemonCommand("status", nil); reached {
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	// No daemon running: report config-derived status from a fresh session.
	prices := price.NewService(cfg.Wallets().StrikeAPIKey)
	status := budget.NewService(cfg, prices).GetStatus()
	status.Note = "no daemon running; session counters reflect this process only"
	return json.NewEncoder(os.Stdout).Encode(status)
}

func printBalance() error {
	if result, reached, err := sendDaemonCommand("balance", nil); reached {
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()
	return app.printBalance()
}

func printHistory() error {
	if result, reached, err := sendDaemonCommand("history", nil); reached {
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	db, err := database.InitDB(cfg.Service().DBPath)
	if err != nil {
		return err
	}
	payments, err := db.RecentPayments(20, time.Time{})
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(payments)
}

func printNewIdentity() error {
	identity, err := keys.Generate()
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(identity)
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Get the wallet balance",
	Long:  `Retrieve the current balance of the configured wallet backend.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := printBalance(); err != nil {
			fmt.Fprintf(os.Stderr, "Error getting wallet balance: %v\n", err)
			os.Exit(1)
		}
	},
}

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show budget status",
	Long:  `Show the budget configuration, session spending and cached BTC price.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := printBudgetStatus(); err != nil {
			fmt.Fprintf(os.Stderr, "Error getting budget status: %v\n", err)
			os.Exit(1)
		}
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent payments",
	Long:  `Show the most recent payments recorded in the local database.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := printHistory(); err != nil {
			fmt.Fprintf(os.Stderr, "Error getting payment history: %v\n", err)
			os.Exit(1)
		}
	},
}

var sessionResetCmd = &cobra.Command{
	Use:   "session-reset",
	Short: "Reset the budget session",
	Long:  `Reset the running daemon's session spending counters to zero.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		result, reached, err := sendDaemonCommand("session-reset", nil)
		if !reached {
			fmt.Fprintf(os.Stderr, "Error connecting to daemon: %v\n", err)
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resetting session: %v\n", err)
			os.Exit(1)
		}
		json.NewEncoder(os.Stdout).Encode(result)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream payment notifications from the daemon",
	Long:  `Subscribe to the running daemon and print every payment as it happens.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		client, err := ipc.NewClient()
		if err != nil {
			fmt.Fprintln(os.Stderr, "No daemon running. Start one with: lightning-enable serve")
			os.Exit(1)
		}
		defer client.Close()

		if err := client.Subscribe(); err != nil {
			fmt.Fprintf(os.Stderr, "Error subscribing: %v\n", err)
			os.Exit(1)
		}

		enc := json.NewEncoder(os.Stdout)
		for {
			note, err := client.ReadNotification()
			if err != nil {
				return
			}
			enc.Encode(note)
		}
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a Nostr identity",
	Long: `Generate a fresh BIP-39 mnemonic and derive a Nostr keypair from it
using the NIP-06 derivation path.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := printNewIdentity(); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating keys: %v\n", err)
			os.Exit(1)
		}
	},
}
