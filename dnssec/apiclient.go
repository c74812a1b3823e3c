/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

// Client side API client calls

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
)

func NewClient(name, baseurl, apikey, authmethod string, verbose, debug bool) *Api {
	api := Api{
		Name:       name,
		BaseUrl:    baseurl,
		ApiKey:     apikey,
		AuthMethod: authmethod,
		Client:     &http.Client{},
		Verbose:    verbose,
		Debug:      debug,
	}

	if debug {
		fmt.Printf("Setting up %s API client:\n", name)
		fmt.Printf("* baseurl is: %s \n* authmethod is: %s \n", api.BaseUrl, api.AuthMethod)
	}

	return &api
}

// request helper function
func (api *Api) requestHelper(req *http.Request) (int, []byte, error) {

	req.Header.Add("Content-Type", "application/json")

	switch api.AuthMethod {
	case "":
		// do not add any authentication header at all
	case "X-API-Key":
		req.Header.Add("X-API-Key", api.ApiKey)
	case "Authorization":
		req.Header.Add("Authorization", fmt.Sprintf("token %s", api.ApiKey))
	default:
		log.Printf("Error: Client API Post: unknown auth method: %s. Aborting.\n", api.AuthMethod)
		return 501, []byte{}, fmt.Errorf("unknown auth method: %s", api.AuthMethod)
	}

	resp, err := api.Client.Do(req)
	if err != nil {
		return 501, nil, err
	}

	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)

	if api.Debug {
		fmt.Printf("requestHelper: received %d bytes of response data\n", len(buf))
	}

	return resp.StatusCode, buf, err
}

func (api *Api) Post(endpoint string, data []byte) (int, []byte, error) {
	req, err := http.NewRequest(http.MethodPost, api.BaseUrl+endpoint, bytes.NewBuffer(data))
	if err != nil {
		return 501, nil, err
	}
	return api.requestHelper(req)
}
