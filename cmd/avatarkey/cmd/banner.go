package cmd

import (
	"fmt"
	"io"
)

const banner = `
                 _              _
   __ ___ ____ _| |_ __ _ _ _  | |_____ _  _
  / _' \ V / _' |  _/ _' | '_| | / / -_) || |
  \__,_|\_/\__,_|\__\__,_|_|   |_\_\___|\_, |
                                        |__/
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Credential unlock and live avatar sessions - Version %s\x1b[0m\n\n", Version)
}
