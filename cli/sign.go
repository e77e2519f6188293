package cli

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/georgepadayatti/goasic/config"
	"github.com/georgepadayatti/goasic/container"
	"github.com/georgepadayatti/goasic/sign"
	"github.com/georgepadayatti/goasic/sign/signers"
	"github.com/georgepadayatti/goasic/sign/xades"
	"github.com/spf13/cobra"
)

// SignOptions contains options for the sign command.
type SignOptions struct {
	Token    string
	Keystore string
	Password string
	CertFile string
	KeyFile  string

	PKCS11Module string
	PKCS11Slot   int
	KeyLabel     string
	CertLabel    string
	PIN          string

	CSCURL        string
	CSCCredential string
	CSCAuth       string
	OTP           string

	Profile   string
	Type      string
	Roles     []string
	City      string
	State     string
	Postal    string
	Country   string
	MediaType string
}

func newSignCommand(g *globalOptions) *cobra.Command {
	var opts SignOptions
	cmd := &cobra.Command{
		Use:   "sign <container> [file...]",
		Short: "Sign files into a new or existing container",
		Long: `Sign the data files of a container. When the container does not exist it
is created from the given files; otherwise the files, if any, must not be
given because data files are locked once a signature exists.

Examples:
  goasic sign --token pkcs12 --keystore signer.p12 --password secret out.asice report.pdf
  goasic sign --token pemder --cert cert.pem --key key.pem --profile LTA out.asice a.txt b.txt
  goasic sign --token pkcs11 --pkcs11-module /usr/lib/opensc-pkcs11.so --key-label Signature --pin 12345 doc.bdoc`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd, g, &opts, args[0], args[1:])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Token, "token", string(config.TokenPKCS12), "Signature token: pkcs12, pemder, pkcs11, csc")
	flags.StringVar(&opts.Keystore, "keystore", "", "PKCS#12 keystore path")
	flags.StringVar(&opts.Password, "password", "", "Keystore or private key password")
	flags.StringVar(&opts.CertFile, "cert", "", "Signing certificate (PEM or DER)")
	flags.StringVar(&opts.KeyFile, "key", "", "Private key (PEM or DER)")
	flags.StringVar(&opts.PKCS11Module, "pkcs11-module", "", "PKCS#11 module path")
	flags.IntVar(&opts.PKCS11Slot, "pkcs11-slot", -1, "PKCS#11 slot index, -1 to search by label")
	flags.StringVar(&opts.KeyLabel, "key-label", "", "PKCS#11 key label")
	flags.StringVar(&opts.CertLabel, "cert-label", "", "PKCS#11 certificate label")
	flags.StringVar(&opts.PIN, "pin", "", "PKCS#11 user PIN or remote signing PIN")
	flags.StringVar(&opts.CSCURL, "csc-url", "", "Remote signing service URL")
	flags.StringVar(&opts.CSCCredential, "csc-credential", "", "Remote signing credential ID")
	flags.StringVar(&opts.CSCAuth, "csc-auth", "", "Remote signing OAuth token")
	flags.StringVar(&opts.OTP, "otp", "", "Remote signing one-time password")
	flags.StringVar(&opts.Profile, "profile", sign.DefaultProfile.String(), "Signature profile: B_BES, B_EPES, LT_TM, LT, LTA")
	flags.StringVar(&opts.Type, "type", "", "Container type for new containers: ASICE or BDOC (default from extension)")
	flags.StringSliceVar(&opts.Roles, "role", nil, "Signer role, repeatable")
	flags.StringVar(&opts.City, "city", "", "Signature production city")
	flags.StringVar(&opts.State, "state", "", "Signature production state or province")
	flags.StringVar(&opts.Postal, "postal-code", "", "Signature production postal code")
	flags.StringVar(&opts.Country, "country", "", "Signature production country")
	flags.StringVar(&opts.MediaType, "media-type", "", "Media type of the added files (default from extension)")
	return cmd
}

func runSign(cmd *cobra.Command, g *globalOptions, opts *SignOptions, path string, files []string) error {
	cfg, logger, closeLog, err := g.setup()
	if err != nil {
		return err
	}
	defer closeLog()

	profile, err := xades.ParseProfile(opts.Profile)
	if err != nil {
		return err
	}

	c, err := openOrCreate(path, opts, files)
	if err != nil {
		return err
	}

	token, release, err := signers.Open(cmd.Context(), opts.tokenConfig())
	if err != nil {
		return fmt.Errorf("failed to open signature token: %w", err)
	}
	defer release()

	params := sign.SignatureParameters{Profile: profile, SignerRoles: opts.Roles}
	if opts.City != "" || opts.State != "" || opts.Postal != "" || opts.Country != "" {
		params.ProductionPlace = &xades.ProductionPlace{
			City:            opts.City,
			StateOrProvince: opts.State,
			PostalCode:      opts.Postal,
			Country:         opts.Country,
		}
	}
	sig, err := sign.NewBuilder(c, cfg, params, sign.WithLogger(logger)).InvokeSigningContext(cmd.Context(), token)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}
	if err := c.SaveFile(path); err != nil {
		return fmt.Errorf("failed to write container: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Signature %s (%s) added to %s\n", sig.ID, sig.Profile, path)
	return nil
}

// openOrCreate opens the container at path or builds a new one from files.
func openOrCreate(path string, opts *SignOptions, files []string) (*container.Container, error) {
	if _, err := os.Stat(path); err == nil {
		if len(files) > 0 {
			return nil, fmt.Errorf("%s already exists; data files cannot be added to it", path)
		}
		return container.OpenFile(path)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s does not exist and no files to sign were given", path)
	}

	typ := container.TypeASiCE
	switch {
	case opts.Type != "":
		typ = container.Type(strings.ToUpper(opts.Type))
		if typ != container.TypeASiCE && typ != container.TypeBDOC {
			return nil, fmt.Errorf("unknown container type %q", opts.Type)
		}
	case strings.EqualFold(filepath.Ext(path), ".bdoc"):
		typ = container.TypeBDOC
	}

	c := container.New(typ)
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		mt := opts.MediaType
		if mt == "" {
			mt = mediaTypeOf(f)
		}
		if err := c.AddDataFile(filepath.Base(f), mt, data); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func mediaTypeOf(name string) string {
	mt := mime.TypeByExtension(filepath.Ext(name))
	if mt == "" {
		return "application/octet-stream"
	}
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return mt
}

func (o *SignOptions) tokenConfig() *config.TokenConfig {
	tc := &config.TokenConfig{
		Type:     config.TokenType(strings.ToLower(o.Token)),
		Path:     o.Keystore,
		Password: o.Password,
		CertFile: o.CertFile,
		KeyFile:  o.KeyFile,
	}
	switch tc.Type {
	case config.TokenPKCS11:
		tc.PKCS11 = &config.PKCS11Config{
			ModulePath: o.PKCS11Module,
			KeyLabel:   o.KeyLabel,
			CertLabel:  o.CertLabel,
			UserPIN:    o.PIN,
		}
		if o.PKCS11Slot >= 0 {
			slot := o.PKCS11Slot
			tc.PKCS11.SlotNo = &slot
		}
	case config.TokenCSC:
		tc.CSC = &config.CSCConfig{
			ServiceURL:   o.CSCURL,
			CredentialID: o.CSCCredential,
			OAuthToken:   o.CSCAuth,
			PIN:          o.PIN,
			OTP:          o.OTP,
		}
	}
	return tc
}
