package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/canopy-network/ethy/cmd/rpc"
	"github.com/canopy-network/ethy/controller"
	"github.com/canopy-network/ethy/lib"
	"github.com/canopy-network/ethy/lib/crypto"
	"github.com/canopy-network/ethy/p2p"
	"github.com/canopy-network/ethy/store"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var rootCmd = &cobra.Command{
	Use:   "ethy",
	Short: "the ethy bridge finality gadget",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(rpc.SoftwareVersion)
	},
}

var (
	client, config, l = &rpc.Client{}, lib.Config{}, lib.LoggerI(nil)
	DataDir           = ""
)

func init() {
	flag.Parse()
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(autoCompleteCmd)
	autoCompleteCmd.AddCommand(generateCompleteCmd)
	autoCompleteCmd.AddCommand(autoCompleteInstallCmd)
	startCmd.Flags().StringVar(&pwd, "password", "", "input the validator key password (not recommended)")
	rootCmd.PersistentFlags().StringVar(&DataDir, "data-dir", lib.DefaultDataDirPath(), "custom data directory location")
	config = InitializeDataDirectory(DataDir, lib.NewDefaultLogger())
	l = lib.NewLogger(lib.LoggerConfig{Level: config.GetLogLevel()}, config.DataDirPath)
	client = rpc.NewLocalClient(config.RPCPort)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the gadget",
	Run: func(cmd *cobra.Command, args []string) {
		Start()
	},
}

// Start() is the entrypoint of the application
func Start() {
	// load the validator key unless running passive
	validatorKey := loadValidatorKey()
	// initialize the metrics server
	metrics := lib.NewMetricsServer(config.MetricsConfig, l)
	// create a new database object from the config
	db, err := store.New(config.StoreConfig, l)
	if err != nil {
		l.Fatal(err.Error())
	}
	// create the libp2p host
	host, err := p2p.New(config.P2PConfig, metrics, l.Module("p2p"))
	if err != nil {
		l.Fatal(err.Error())
	}
	ctx, cancel := context.WithCancel(context.Background())
	// connect the finalized header source
	source, err := controller.NewSource(ctx, config, l.Module("source"))
	if err != nil {
		l.Fatal(err.Error())
	}
	// create a new instance of the application
	app, err := controller.New(config, validatorKey, host, source, db, metrics, l)
	if err != nil {
		l.Fatal(err.Error())
	}
	// initialize the rpc server
	rpcServer := rpc.NewServer(app, config, l.Module("rpc"))
	// start the rpc server
	if err = rpcServer.Start(); err != nil {
		l.Fatal(err.Error())
	}
	// start the application
	done := make(chan struct{})
	go func() {
		defer close(done)
		if e := app.Start(ctx); e != nil {
			l.Error(e.Error())
		}
	}()
	// block until a kill signal is received
	waitForKill(done)
	cancel()
	<-done
	// gracefully stop the rpc server and the app
	rpcServer.Stop()
	app.Stop()
	// exit
	os.Exit(0)
}

// waitForKill() blocks until a kill signal is received or the app stops on its own
func waitForKill(done <-chan struct{}) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGABRT)
	// block until kill signal is received
	select {
	case s := <-stop:
		l.Infof("Exit command %s received", s)
	case <-done:
		l.Warn("Gadget stopped")
	}
}

// loadValidatorKey() decrypts the configured keystore entry, nil when passive
func loadValidatorKey() crypto.PrivateKeyI {
	if config.Passive {
		l.Info("Passive mode, no validator key loaded")
		return nil
	}
	ks, err := crypto.NewKeystoreFromFile(config.DataDirPath)
	if err != nil {
		l.Fatal(err.Error())
	}
	key, err := ks.GetKey(config.KeyNickname, getPassword())
	if err != nil {
		l.Fatal(err.Error())
	}
	l.Infof("Using validator key: PublicKey: %s", key.PublicKey().String())
	return key
}

func getFirstPassword(log lib.LoggerI) string {
	// allow flag config to skip initial password
	if pwd == "" {
		// get the password from the user
		log.Infof("Enter password for your new private key:")
		password, e := term.ReadPassword(int(os.Stdin.Fd()))
		if e != nil {
			log.Fatal(e.Error())
		}
		if len(password) == 0 {
			log.Infof("Password cannot be empty")
			return getFirstPassword(log)
		}
		return string(password)
	}
	return pwd
}

// InitializeDataDirectory() populates the data directory with configuration and key files if missing
func InitializeDataDirectory(dataDirPath string, log lib.LoggerI) (c lib.Config) {
	// make the data dir if missing
	if err := os.MkdirAll(dataDirPath, os.ModePerm); err != nil {
		log.Fatal(err.Error())
	}
	// make the config.json file if missing
	configFilePath := filepath.Join(dataDirPath, lib.ConfigFilePath)
	if _, err := os.Stat(configFilePath); errors.Is(err, os.ErrNotExist) {
		log.Infof("Creating %s file", lib.ConfigFilePath)
		defaults := lib.DefaultConfig()
		defaults.DataDirPath = dataDirPath
		// persist a libp2p identity so the peer id is stable across restarts
		if defaults.PrivateKeyBase64, err = p2p.NewIdentity(); err != nil {
			log.Fatal(err.Error())
		}
		if err = defaults.WriteToFile(configFilePath); err != nil {
			log.Fatal(err.Error())
		}
	}
	// load the config object
	c, err := lib.NewConfigFromFile(configFilePath)
	if err != nil {
		log.Fatal(err.Error())
	}
	// set the data-directory
	c.DataDirPath = dataDirPath
	// make the validator key if missing
	if !c.Passive {
		ks, e := crypto.NewKeystoreFromFile(dataDirPath)
		if e != nil {
			log.Fatal(e.Error())
		}
		if _, ok := ks.ByNickname[c.KeyNickname]; !ok {
			validatorKey, er := crypto.NewPrivateKey(crypto.KeyTypeSECP256K1)
			if er != nil {
				log.Fatal(er.Error())
			}
			pwd = getFirstPassword(log)
			address, er := ks.ImportRaw(validatorKey, pwd, c.KeyNickname)
			if er != nil {
				log.Fatal(er.Error())
			}
			if er = ks.SaveToFile(dataDirPath); er != nil {
				log.Fatal(er.Error())
			}
			log.Infof("Imported validator key %s as %s with public key %s", address, c.KeyNickname, validatorKey.PublicKey().String())
		}
	}
	return
}

func writeToConsole(a any, err error) {
	if err != nil {
		l.Fatal(err.Error())
	}
	switch v := a.(type) {
	case int, uint32, uint64:
		p := message.NewPrinter(language.English)
		if _, err := p.Printf("%d\n", a); err != nil {
			l.Fatal(err.Error())
		}
	case *uint64:
		writeToConsole(*v, nil)
	case string, *string:
		if s, ok := v.(*string); ok {
			fmt.Println(*s)
			return
		}
		fmt.Println(v)
	default:
		bz, e := lib.MarshalJSONIndent(a)
		if e != nil {
			l.Fatal(e.Error())
		}
		fmt.Println(string(bz))
	}
}

// AUTO COMPLETE CODE BELOW

var autoCompleteCmd = &cobra.Command{
	Use:   "auto-complete",
	Short: "auto-complete generation and installation (for zsh and bash)",
}

var autoCompleteInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "automatically installs shell completion",
	Run: func(cmd *cobra.Command, args []string) {
		shell := detectShell()
		completionScript, profileFile := "", ""
		switch shell {
		case "bash":
			profileFile = getBashProfile()
			completionScript = `
ethy auto-complete generate > ~/.ethy-completion.sh

# Ensure completion script is sourced only once
if ! grep -q 'source ~/.ethy-completion.sh' ` + profileFile + `; then
    echo 'source ~/.ethy-completion.sh' >> ` + profileFile + `
fi`
		case "zsh":
			profileFile = "~/.zshrc"
			completionScript = `
mkdir -p ~/.zsh/completions
ethy auto-complete generate > ~/.zsh/completions/_ethy

# Ensure fpath is set only once
if ! grep -q 'fpath=(~/.zsh/completions $fpath)' ` + profileFile + `; then
    echo 'fpath=(~/.zsh/completions $fpath)' >> ` + profileFile + `
fi

# Ensure compinit is set only once
if ! grep -q 'autoload -Uz compinit && compinit' ` + profileFile + `; then
    echo 'autoload -Uz compinit && compinit' >> ` + profileFile + `
fi`
		default:
			writeToConsole(nil, errors.New("unsupported shell (only zsh or bash is supported)"))
			return
		}
		writeToConsole(fmt.Sprintf("Installing completion for: %s", shell), nil)
		if err := exec.Command("sh", "-c", completionScript).Run(); err != nil {
			writeToConsole(nil, fmt.Errorf("error setting up completion: %s", err.Error()))
			return
		}
		writeToConsole(fmt.Sprintf("Completion installed. Restart your shell or run `source %s`", profileFile), nil)
	},
}

var generateCompleteCmd = &cobra.Command{
	Use:   "generate",
	Short: "generate completion script",
	Run: func(cmd *cobra.Command, args []string) {
		switch detectShell() {
		case "bash":
			_ = rootCmd.GenBashCompletion(os.Stdout)
		case "zsh":
			_ = rootCmd.GenZshCompletion(os.Stdout)
		default:
			cmd.Println("Unsupported shell. Use: bash or zsh")
		}
	},
}

func detectShell() string {
	shell := os.Getenv("SHELL")
	if strings.Contains(shell, "bash") {
		return "bash"
	} else if strings.Contains(shell, "zsh") {
		return "zsh"
	}
	return ""
}

func getBashProfile() string {
	if _, err := os.Stat(os.Getenv("HOME") + "/.bashrc"); err == nil {
		return "~/.bashrc"
	}
	return "~/.bash_profile"
}
