package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/bupper/cmd/util"
	"github.com/sidkik/bupper/pkg/config"
	"github.com/sidkik/bupper/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout              io.Writer = os.Stdout
	stdin               io.Reader = os.Stdin
	readConfig                    = config.ReadAgentOrEmpty
	writeConfig                   = config.WriteAgent
	getWorkingDirectory           = os.Getwd
	getCurrentUser                = user.Current
)

// New creates a new `config` command.
func New() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and edit the agent configuration",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath,
		"Path to the agent config")

	var folderOpts config.SyncFolder
	addFolderCmd := &cobra.Command{
		Use:   "add-folder",
		Short: "Add a local folder to sync to every target",
		Run: func(_ *cobra.Command, _ []string) {
			if err := AddFolder(configPath, folderOpts); err != nil {
				err = errors.NewFriendlyError("Failed to add folder:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	addFolderCmd.Flags().StringVar(&folderOpts.LocalPath, "local-path", "",
		"The local folder to sync. "+
			"Optional: If not set, `bupper config add-folder` will interactively prompt.")
	addFolderCmd.Flags().StringVar(&folderOpts.RemoteName, "remote-name", "",
		"The name of the folder on the targets. "+
			"Optional: If not set, `bupper config add-folder` will interactively prompt.")
	addFolderCmd.Flags().StringSliceVar(&folderOpts.Exclude, "exclude", nil,
		"Patterns of files that shouldn't be synced")
	kind := addFolderCmd.Flags().String("kind", string(config.ProjectsRoot),
		"How the folder is traversed (ProjectsRoot or Single)")
	addFolderCmd.PreRun = func(_ *cobra.Command, _ []string) {
		folderOpts.Kind = config.FolderKind(*kind)
	}

	var targetOpts config.SyncTarget
	addTargetCmd := &cobra.Command{
		Use:   "add-target",
		Short: "Add a remote host that receives the synced files",
		Run: func(_ *cobra.Command, _ []string) {
			if err := AddTarget(configPath, targetOpts); err != nil {
				err = errors.NewFriendlyError("Failed to add target:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	addTargetCmd.Flags().StringVar(&targetOpts.Host, "host", "",
		"The SFTP host. "+
			"Optional: If not set, `bupper config add-target` will interactively prompt.")
	addTargetCmd.Flags().IntVar(&targetOpts.Port, "port", config.DefaultPort,
		"The SSH port of the host")
	addTargetCmd.Flags().StringVar(&targetOpts.User, "user", "",
		"The user to log in as. "+
			"Optional: If not set, `bupper config add-target` will interactively prompt.")
	addTargetCmd.Flags().StringVar(&targetOpts.RemoteBaseFolder, "base", "",
		"The absolute folder on the host that holds the synced folders. "+
			"Optional: If not set, `bupper config add-target` will interactively prompt.")

	cmd.AddCommand(addFolderCmd, addTargetCmd)

	// Setup the commands for querying the contents of the agent config.
	type getterSpec struct {
		use, short string
		fn         func(config.Agent) (string, error)
	}

	getters := []getterSpec{
		{
			use:   "show",
			short: "Print the agent config",
			fn: func(cfg config.Agent) (string, error) {
				yamlBytes, err := yaml.Marshal(cfg)
				return strings.TrimRight(string(yamlBytes), "\n"), err
			},
		},
		{
			use:   "get-folders",
			short: "List the configured local folders",
			fn: func(cfg config.Agent) (string, error) {
				var lines []string
				for _, folder := range cfg.Folders {
					lines = append(lines, fmt.Sprintf("%s -> %s (%s)",
						folder.LocalPath, folder.RemoteName, folder.Kind))
				}
				return strings.Join(lines, "\n"), nil
			},
		},
		{
			use:   "get-targets",
			short: "List the configured targets",
			fn: func(cfg config.Agent) (string, error) {
				var lines []string
				for _, target := range cfg.Targets {
					lines = append(lines, fmt.Sprintf("%s:%s", target, target.RemoteBaseFolder))
				}
				return strings.Join(lines, "\n"), nil
			},
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := readConfig(configPath)
				if err != nil {
					err = errors.WithContext(err, "read config")
					util.HandleFatalError(err)
				}

				out, err := getter.fn(cfg)
				if err != nil {
					util.HandleFatalError(err)
				}
				if out != "" {
					fmt.Fprintln(stdout, out)
				}
			},
		})
	}

	return cmd
}

// AddFolder adds a folder to the config at `configPath`, prompting for the
// fields that weren't set in `opts`.
func AddFolder(configPath string, opts config.SyncFolder) error {
	cfg, err := readConfig(configPath)
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	folder, err := generateFolder(opts)
	if err != nil {
		return errors.WithContext(err, "generate folder")
	}

	for _, existing := range cfg.Folders {
		if existing.RemoteName == folder.RemoteName {
			return errors.NewFriendlyError(
				"The remote name %q is already used by %s.\n"+
					"Please pick another remote name.", folder.RemoteName, existing.LocalPath)
		}
	}
	cfg.Folders = append(cfg.Folders, folder)

	if err := writeConfig(configPath, cfg); err != nil {
		return errors.WithContext(err, "write config")
	}
	fmt.Fprintf(stdout, "Added %s to %s\n", folder.LocalPath, configPath)
	return nil
}

// AddTarget adds a target to the config at `configPath`, prompting for the
// fields that weren't set in `opts`.
func AddTarget(configPath string, opts config.SyncTarget) error {
	cfg, err := readConfig(configPath)
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	target, err := generateTarget(opts)
	if err != nil {
		return errors.WithContext(err, "generate target")
	}

	for _, existing := range cfg.Targets {
		if existing.Address() == target.Address() &&
			existing.RemoteBaseFolder == target.RemoteBaseFolder {
			return errors.NewFriendlyError("%s is already a target.", target)
		}
	}
	cfg.Targets = append(cfg.Targets, target)

	if err := writeConfig(configPath, cfg); err != nil {
		return errors.WithContext(err, "write config")
	}
	fmt.Fprintf(stdout, "Added %s to %s\n", target, configPath)
	return nil
}

type prompt struct {
	helpString, prompt, defaultAnswer string
	field                             *string
	validationFn                      func(string) (string, bool)
}

func generateFolder(opts config.SyncFolder) (config.SyncFolder, error) {
	folder := opts
	if folder.Kind == "" {
		folder.Kind = config.ProjectsRoot
	}

	if folder.LocalPath == "" {
		currDir, err := getWorkingDirectory()
		if err != nil {
			log.WithError(err).Debug("Failed to get current directory")
		}
		err = ask(prompt{
			helpString: "Enter the local folder to sync.\n" +
				"Each directory inside it is uploaded as a separate project.\n" +
				"It defaults to the current directory.",
			prompt:        "Local folder",
			defaultAnswer: currDir,
			field:         &folder.LocalPath,
			validationFn:  notEmptyValidationFn,
		})
		if err != nil {
			return config.SyncFolder{}, err
		}
	}

	localPath, err := filepath.Abs(folder.LocalPath)
	if err != nil {
		return config.SyncFolder{}, errors.WithContext(err, "absolute path")
	}
	folder.LocalPath = localPath

	if folder.RemoteName == "" {
		err := ask(prompt{
			helpString: "Enter the name of the folder on the targets.\n" +
				"It's created inside the base folder of every target.",
			prompt:        "Remote name",
			defaultAnswer: filepath.Base(localPath),
			field:         &folder.RemoteName,
			validationFn:  remoteNameValidationFn,
		})
		if err != nil {
			return config.SyncFolder{}, err
		}
	} else if msg, ok := remoteNameValidationFn(folder.RemoteName); !ok {
		return config.SyncFolder{}, errors.NewFriendlyError("%s", msg)
	}
	return folder, nil
}

func generateTarget(opts config.SyncTarget) (config.SyncTarget, error) {
	target := opts
	if target.Port == 0 {
		target.Port = config.DefaultPort
	}

	var prompts []prompt
	if target.Host == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the host that receives the synced files.\n" +
				"It must be running an SSH server with SFTP enabled.",
			prompt:       "Host",
			field:        &target.Host,
			validationFn: hostValidationFn,
		})
	}

	if target.User == "" {
		var defaultUser string
		if currUser, err := getCurrentUser(); err == nil {
			defaultUser = currUser.Username
		} else {
			log.WithError(err).Debug("Failed to get current user")
		}
		prompts = append(prompts, prompt{
			helpString: "Enter the user to log in as.\n" +
				"It defaults to the current user.",
			prompt:        "User",
			defaultAnswer: defaultUser,
			field:         &target.User,
			validationFn:  notEmptyValidationFn,
		})
	}

	if target.RemoteBaseFolder == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the absolute path of the folder on the host that\n" +
				"holds the synced folders.",
			prompt:       "Base folder",
			field:        &target.RemoteBaseFolder,
			validationFn: baseFolderValidationFn,
		})
	} else if msg, ok := baseFolderValidationFn(target.RemoteBaseFolder); !ok {
		return config.SyncTarget{}, errors.NewFriendlyError("%s", msg)
	}

	for _, p := range prompts {
		if err := ask(p); err != nil {
			return config.SyncTarget{}, err
		}
	}
	return target, nil
}

// ask prompts the user until they give an answer that passes validation.
func ask(p prompt) error {
	for {
		resp, err := promptUser(p.helpString, p.prompt, p.defaultAnswer)
		if err != nil {
			return errors.WithContext(err, "read response")
		}

		if p.validationFn != nil {
			if validationErr, ok := p.validationFn(resp); !ok {
				fmt.Fprintln(stdout, validationErr)
				continue
			}
		}

		*p.field = resp
		return nil
	}
}

func notEmptyValidationFn(resp string) (string, bool) {
	if strings.TrimSpace(resp) == "" {
		return "A value is required.", false
	}
	return "", true
}

func hostValidationFn(host string) (string, bool) {
	if host == "" || strings.ContainsAny(host, " \t/@") {
		return "The host must be a hostname or IP address, such as backup.example.com.", false
	}
	return "", true
}

func remoteNameValidationFn(name string) (string, bool) {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return "The remote name must be a single folder name without slashes.", false
	}
	return "", true
}

func baseFolderValidationFn(base string) (string, bool) {
	if !path.IsAbs(base) {
		return "The base folder must be an absolute path, such as /srv/backups.", false
	}
	return "", true
}

var (
	stdinBuffer       *bufio.Reader
	stdinBufferSource io.Reader
)

// bufferedStdin returns a reader for stdin that is shared between prompts so
// that input buffered by one prompt isn't lost to the next.
func bufferedStdin() *bufio.Reader {
	if stdinBuffer == nil || stdinBufferSource != stdin {
		stdinBuffer = bufio.NewReader(stdin)
		stdinBufferSource = stdin
	}
	return stdinBuffer
}

func promptUser(helpString, prompt, defaultAnswer string) (string, error) {
	// Display a new line at the end to separate different fields to make it
	// look clearer.
	defer fmt.Fprintln(stdout)

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	stdinReader := bufferedStdin()
	if defaultAnswer != "" {
		options := []string{defaultAnswer, "(Enter manually)"}
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", len(options))
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			choiceStr = strings.TrimSpace(choiceStr)

			// Default to the first choice if user doesn't enter anything.
			if choiceStr == "" {
				return defaultAnswer, nil
			}

			choice, err := strconv.Atoi(choiceStr)
			if err != nil || choice < 1 || choice > len(options) {
				continue
			}
			if choice == 1 {
				return defaultAnswer, nil
			}
			break
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(resp), nil
}
